package wallet

import (
	"net/mail"
	"strconv"
	"strings"
)

// Display units a copayer can choose for push notification amounts.
const (
	UnitBTC = "btc"
	UnitBit = "bit"
)

// Preferences are per copayer per wallet.
type Preferences struct {
	WalletID  string `json:"walletId"`
	CopayerID string `json:"copayerId"`
	Email     string `json:"email,omitempty"`
	Language  string `json:"language,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// Validate rejects malformed preference values. Empty fields are allowed;
// a preference update only touches the fields it carries.
func (p *Preferences) Validate() error {
	if p.Email != "" {
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return NewClientError("Invalid email address")
		}
	}
	if p.Language != "" && len(p.Language) != 2 {
		return NewClientError("Invalid language")
	}
	if p.Unit != "" && p.Unit != UnitBTC && p.Unit != UnitBit {
		return NewClientError("Invalid unit")
	}
	return nil
}

type unitDef struct {
	toSatoshis  float64
	maxDecimals int
	minDecimals int
}

var units = map[string]unitDef{
	UnitBTC: {toSatoshis: 1e8, maxDecimals: 6, minDecimals: 2},
	UnitBit: {toSatoshis: 100, maxDecimals: 0, minDecimals: 0},
}

// FormatAmount renders satoshis in the given unit with thousands
// separators, trimming trailing decimal zeros but keeping the unit's
// minimum. Unknown units fall back to btc.
func FormatAmount(satoshis int64, unit string) string {
	u, ok := units[unit]
	if !ok {
		u = units[UnitBTC]
	}
	amount := strconv.FormatFloat(float64(satoshis)/u.toSatoshis, 'f', u.maxDecimals, 64)
	intPart, frac := amount, ""
	if dot := strings.IndexByte(amount, '.'); dot >= 0 {
		intPart, frac = amount[:dot], amount[dot+1:]
	}
	for len(frac) > u.minDecimals && strings.HasSuffix(frac, "0") {
		frac = frac[:len(frac)-1]
	}
	out := addThousands(intPart)
	if frac != "" {
		out += "." + frac
	}
	return out
}

func addThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	out := b.String()
	if neg {
		out = "-" + out
	}
	return out
}
