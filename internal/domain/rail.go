package domain

// RailID identifies a settlement rail.
type RailID string

const (
	RailMpesa  RailID = "mpesa"
	RailAirtel RailID = "airtel"
	RailCard   RailID = "card"
)

// RailKind distinguishes local mobile-money rails from global card networks.
type RailKind string

const (
	RailKindMobileMoney RailKind = "MOBILE_MONEY"
	RailKindCard        RailKind = "CARD"
)

// Capabilities describes what a rail can do.
type Capabilities struct {
	// RequiresOnline is true when the rail cannot settle without a reachable
	// provider.
	RequiresOnline bool
	// SupportsPush is true for STK-style rails that trigger an out-of-band
	// confirmation on the payer's device.
	SupportsPush bool
}

// Rail describes a settlement rail and its registry metadata.
type Rail struct {
	ID           RailID
	Name         string
	Kind         RailKind
	Priority     int
	Enabled      bool
	Capabilities Capabilities
	Currencies   []string
}

// SupportsCurrency reports whether the rail settles in the given currency.
// An empty currency list means no restriction.
func (r Rail) SupportsCurrency(code string) bool {
	if len(r.Currencies) == 0 {
		return true
	}
	for _, c := range r.Currencies {
		if c == code {
			return true
		}
	}
	return false
}
