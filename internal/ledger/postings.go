package ledger

import (
	"math"
	"strings"

	"captable/internal/models"
)

// Fixed ledger accounts.
const (
	WorldAccount       = "world"
	InstitutionAccount = "institution"
)

// UnitsPerPercent matches the six decimal places ownership percentages are
// stored with, so every stored percentage maps to a whole number of units.
const UnitsPerPercent = 1_000_000

// TotalUnits is the number of share units that represent 100% of a mortgage.
const TotalUnits int64 = 100 * UnitsPerPercent

// Posting moves Amount units of Asset from Source to Destination.
type Posting struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Asset       string `json:"asset"`
}

// AccountFor returns the ledger account that holds an owner's shares.
func AccountFor(owner models.OwnerRef) string {
	if owner.IsInstitution() {
		return InstitutionAccount
	}
	return "investor:" + owner.InvestorID()
}

// IssuanceAccount is the account a mortgage's shares are minted into.
func IssuanceAccount(mortgageID string) string {
	return "mortgage:" + mortgageID + ":issuance"
}

// AssetFor returns the share-token asset code of a mortgage, with six
// decimal places of precision.
func AssetFor(mortgageID string) string {
	return "MTG_" + strings.ToUpper(strings.ReplaceAll(mortgageID, "-", "")) + "/6"
}

// UnitsFor converts a percentage to share units.
func UnitsFor(percentage float64) int64 {
	return int64(math.Round(percentage * UnitsPerPercent))
}

// PercentageFor converts share units back to a percentage.
func PercentageFor(units int64) float64 {
	return float64(units) / UnitsPerPercent
}

// TransferPostings builds the single posting that mirrors an ownership transfer.
func TransferPostings(mortgageID string, from, to models.OwnerRef, percentage float64) []Posting {
	return []Posting{{
		Source:      AccountFor(from),
		Destination: AccountFor(to),
		Amount:      UnitsFor(percentage),
		Asset:       AssetFor(mortgageID),
	}}
}

// InitializationPostings mints the full share supply and assigns it to the institution.
func InitializationPostings(mortgageID string) []Posting {
	asset := AssetFor(mortgageID)
	issuance := IssuanceAccount(mortgageID)
	return []Posting{
		{Source: WorldAccount, Destination: issuance, Amount: TotalUnits, Asset: asset},
		{Source: issuance, Destination: InstitutionAccount, Amount: TotalUnits, Asset: asset},
	}
}

// InitializationReference is the idempotency reference of a mortgage's issuance posting.
func InitializationReference(mortgageID string) string {
	return models.MortgageInitReferencePrefix + mortgageID
}
