package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"captable/internal/auth"
	"captable/internal/uuid"
)

const testSecret = "test-secret"

func setupAuthRouter(roles ...auth.Role) *gin.Engine {
	r := gin.New()
	group := r.Group("/", AuthMiddleware(testSecret))
	if len(roles) > 0 {
		group.Use(RequireRole(roles...))
	}
	group.GET("/whoami", func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"id": id.ID, "role": id.Role})
	})
	return r
}

func signClaims(t *testing.T, secret string, claims *JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func get(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", http.NoBody)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	subject := uuid.New()
	valid := func(roles []string, role string) *JWTClaims {
		return &JWTClaims{
			Roles: roles,
			Role:  role,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	tests := []struct {
		name     string
		header   func(t *testing.T) string
		wantCode int
		wantRole string
		errCode  string
	}{
		{
			name: "generated_token",
			header: func(t *testing.T) string {
				token, err := GenerateAccessToken(testSecret, subject, auth.RoleBroker, time.Minute)
				if err != nil {
					t.Fatal(err)
				}
				return "Bearer " + token
			},
			wantCode: http.StatusOK,
			wantRole: "broker",
		},
		{
			name:     "highest_role_wins",
			header:   func(t *testing.T) string { return "Bearer " + signClaims(t, testSecret, valid([]string{"investor", "Admin", "auditor"}, "")) },
			wantCode: http.StatusOK,
			wantRole: "admin",
		},
		{
			name:     "missing_header",
			header:   func(t *testing.T) string { return "" },
			wantCode: http.StatusUnauthorized,
			errCode:  "UNAUTHORIZED",
		},
		{
			name:     "wrong_scheme",
			header:   func(t *testing.T) string { return "Basic abc" },
			wantCode: http.StatusUnauthorized,
			errCode:  "UNAUTHORIZED",
		},
		{
			name:     "wrong_secret",
			header:   func(t *testing.T) string { return "Bearer " + signClaims(t, "other", valid(nil, "admin")) },
			wantCode: http.StatusUnauthorized,
			errCode:  "UNAUTHORIZED",
		},
		{
			name: "expired",
			header: func(t *testing.T) string {
				c := valid(nil, "admin")
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				return "Bearer " + signClaims(t, testSecret, c)
			},
			wantCode: http.StatusUnauthorized,
			errCode:  "UNAUTHORIZED",
		},
		{
			name: "subject_not_uuid",
			header: func(t *testing.T) string {
				c := valid(nil, "admin")
				c.Subject = "42"
				return "Bearer " + signClaims(t, testSecret, c)
			},
			wantCode: http.StatusUnauthorized,
			errCode:  "UNAUTHORIZED",
		},
		{
			name:     "no_known_role",
			header:   func(t *testing.T) string { return "Bearer " + signClaims(t, testSecret, valid([]string{"auditor"}, "")) },
			wantCode: http.StatusForbidden,
			errCode:  "FORBIDDEN",
		},
	}

	router := setupAuthRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(router, tt.header(t))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			body := parseBody(t, rec)
			if tt.errCode != "" {
				errObj, _ := body["error"].(map[string]interface{})
				if code, _ := errObj["code"].(string); code != tt.errCode {
					t.Errorf("error code = %q, want %q", code, tt.errCode)
				}
				return
			}
			if body["role"] != tt.wantRole {
				t.Errorf("role = %v, want %s", body["role"], tt.wantRole)
			}
			if body["id"] != subject {
				t.Errorf("id = %v, want %s", body["id"], subject)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	router := setupAuthRouter(auth.RoleAdmin)
	subject := uuid.New()

	investor, _ := GenerateAccessToken(testSecret, subject, auth.RoleInvestor, time.Minute)
	if rec := get(router, "Bearer "+investor); rec.Code != http.StatusForbidden {
		t.Errorf("investor status = %d, want 403", rec.Code)
	}

	admin, _ := GenerateAccessToken(testSecret, subject, auth.RoleAdmin, time.Minute)
	if rec := get(router, "Bearer "+admin); rec.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", rec.Code)
	}
}
