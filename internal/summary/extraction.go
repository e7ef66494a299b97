package summary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Transaction types accepted in [Property.TransactionType].
const (
	TransactionSale        = "매매"
	TransactionJeonse      = "전세"
	TransactionMonthlyRent = "월세"
	TransactionLease       = "임대"
	TransactionOther       = "기타"
)

// Property types accepted in [Property.PropertyType].
const (
	PropertyApartment  = "아파트"
	PropertyOfficetel  = "오피스텔"
	PropertyRebuilding = "재건축"
	PropertyComposite  = "주상복합"
	PropertyCommercial = "상가"
	PropertyOffice     = "사무실"
	PropertyOther      = "기타"
)

var (
	transactionTypes = []string{TransactionSale, TransactionJeonse, TransactionMonthlyRent, TransactionLease, TransactionOther}
	propertyTypes    = []string{PropertyApartment, PropertyOfficetel, PropertyRebuilding, PropertyComposite, PropertyCommercial, PropertyOffice, PropertyOther}
)

// Extraction is the structured summary of one call.
type Extraction struct {
	// SummaryTitle is a short headline of at most [MaxTitleRunes] characters.
	SummaryTitle string `json:"summary_title"`

	SummaryContent string `json:"summary_content"`

	Property Property `json:"extracted_property_info"`
}

// Property holds the listing details mentioned during the call. Amounts are
// in units of 10,000 won and areas in pyeong.
type Property struct {
	PropertyName       Text       `json:"property_name"`
	Price              Number     `json:"price"`
	Deposit            Number     `json:"deposit"`
	LoanInfo           Text       `json:"loan_info"`
	City               Text       `json:"city"`
	District           Text       `json:"district"`
	LegalDong          Text       `json:"legal_dong"`
	DetailAddress      Text       `json:"detail_address"`
	FullAddress        Text       `json:"full_address"`
	TransactionType    Text       `json:"transaction_type"`
	PropertyType       Text       `json:"property_type"`
	Floor              Number     `json:"floor"`
	Area               Number     `json:"area"`
	Premium            Number     `json:"premium"`
	OwnerPropertyMemo  Text       `json:"owner_property_memo"`
	TenantPropertyMemo Text       `json:"tenant_property_memo"`
	OwnerInfo          OwnerInfo  `json:"owner_info"`
	TenantInfo         TenantInfo `json:"tenant_info"`
	Memo               Text       `json:"memo"`
	MovingDate         Text       `json:"moving_date"`
}

type OwnerInfo struct {
	OwnerName    Text `json:"owner_name"`
	OwnerContact Text `json:"owner_contact"`
}

type TenantInfo struct {
	TenantName    Text `json:"tenant_name"`
	TenantContact Text `json:"tenant_contact"`
}

// Number is an optional integer. Models are asked for plain integers but
// regularly answer with strings such as "15,000" or with fractions; both
// decode. Anything that does not parse decodes as absent. Absent values
// encode as null.
type Number struct {
	Value int64
	Valid bool
}

// Int returns a valid Number holding v.
func Int(v int64) Number { return Number{Value: v, Valid: true} }

// MarshalJSON implements [json.Marshaler].
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, n.Value, 10), nil
}

// UnmarshalJSON implements [json.Unmarshaler].
func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("summary: decode number: %w", err)
		}
		raw = strings.NewReplacer(",", "", " ", "").Replace(raw)
	} else {
		raw = string(b)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	*n = Int(int64(math.Round(f)))
	return nil
}

// Text is a string that also accepts JSON numbers and booleans, which models
// emit for fields such as a detail address given as 1305.
type Text string

// UnmarshalJSON implements [json.Unmarshaler].
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*t = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("summary: decode text: %w", err)
		}
		*t = Text(strings.TrimSpace(s))
	case b[0] == '{' || b[0] == '[':
		return fmt.Errorf("summary: expected text, got %s", b[:1])
	default:
		*t = Text(b)
	}
	return nil
}
