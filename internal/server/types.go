package server

import (
	"encoding/json"

	"github.com/toncenter/telemetry/internal/store"
)

// Detail is the uniform error envelope.
type Detail struct {
	Detail string `json:"detail"`
}

// RecordResponse is one record on the wire: no internal identifiers, raw
// numeric epoch timestamps.
type RecordResponse struct {
	Timestamp     float64         `json:"timestamp"`
	ADNLAddress   string          `json:"adnl_address"`
	OriginHash    string          `json:"origin_hash"`
	OriginCountry *string         `json:"origin_country"`
	OriginISP     *string         `json:"origin_isp"`
	ValidatorInfo json.RawMessage `json:"validator_info,omitempty"`
	Data          json.RawMessage `json:"data"`
}

type ValidatorCountryResponse struct {
	ADNLAddress string  `json:"adnl_address"`
	Country     *string `json:"country"`
}

type AddressKnownResponse struct {
	AddressKnown bool `json:"address_known"`
}

func toRecordResponses(recs []store.Record) []RecordResponse {
	out := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		resp := RecordResponse{
			Timestamp:     epochSeconds(rec.Timestamp),
			ADNLAddress:   rec.ADNLAddress,
			OriginHash:    rec.OriginHash,
			OriginCountry: rec.OriginCountry,
			OriginISP:     rec.OriginISP,
			Data:          json.RawMessage(rec.Payload),
		}
		if rec.ValidatorInfo != nil {
			resp.ValidatorInfo = json.RawMessage(*rec.ValidatorInfo)
		}
		out = append(out, resp)
	}
	return out
}
