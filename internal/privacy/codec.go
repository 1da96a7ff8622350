// Package privacy hashes reporter endpoints into non-reversible
// identifiers and resolves best-effort geo/ISP enrichment for them.
// Raw endpoints never leave this package.
package privacy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/zeebo/blake3"
)

// SaltSize is the required salt length. Keyed BLAKE3 takes exactly
// 32 bytes of key material.
const SaltSize = 32

type Codec struct {
	log  *slog.Logger
	salt [SaltSize]byte

	countryDB *geoip2.Reader
	asnDB     *geoip2.Reader
}

// NewCodec builds a codec around a process-wide salt. The GeoIP readers
// are optional; a nil reader disables the corresponding enrichment field.
func NewCodec(log *slog.Logger, salt []byte, countryDB, asnDB *geoip2.Reader) (*Codec, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	c := &Codec{
		log:       log,
		countryDB: countryDB,
		asnDB:     asnDB,
	}
	copy(c.salt[:], salt)
	return c, nil
}

// HashOrigin returns the lowercase hex digest of a keyed BLAKE3 hash of
// the endpoint. Deterministic for a fixed salt; not invertible without it.
func (c *Codec) HashOrigin(endpoint string) string {
	// NewKeyed only fails for a wrong key length, which the constructor
	// rules out.
	hasher, err := blake3.NewKeyed(c.salt[:])
	if err != nil {
		panic(fmt.Sprintf("privacy: keyed hasher: %v", err))
	}
	_, _ = hasher.Write([]byte(endpoint))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Enrich resolves the country ISO code and ISP organization for an
// endpoint. Every failure mode degrades to a nil field; Enrich never
// returns an error.
func (c *Codec) Enrich(endpoint string) (country, isp *string) {
	ip := net.ParseIP(endpoint)
	if ip == nil {
		c.log.Debug("enrich: unparsable endpoint", "endpoint_hash", c.HashOrigin(endpoint))
		return nil, nil
	}

	if c.countryDB != nil {
		rec, err := c.countryDB.Country(ip)
		if err != nil {
			c.log.Debug("enrich: country lookup failed", "error", err)
		} else if rec.Country.IsoCode != "" {
			code := rec.Country.IsoCode
			country = &code
		}
	}

	if c.asnDB != nil {
		rec, err := c.asnDB.ASN(ip)
		if err != nil {
			c.log.Debug("enrich: asn lookup failed", "error", err)
		} else if rec.AutonomousSystemOrganization != "" {
			org := rec.AutonomousSystemOrganization
			isp = &org
		}
	}

	return country, isp
}
