package domain

// Merchant identifies a payee resolved from a scan or a directory lookup.
// Records are sourced externally and treated as immutable once scanned.
type Merchant struct {
	ID            string
	Name          string
	Category      string
	Location      string
	LocalCurrency string
	Verified      bool
	Sustainable   bool
	AcceptedRails []RailID
	CulturalTip   string
}

// Accepts reports whether the merchant accepts the given rail.
func (m Merchant) Accepts(id RailID) bool {
	for _, r := range m.AcceptedRails {
		if r == id {
			return true
		}
	}
	return false
}
