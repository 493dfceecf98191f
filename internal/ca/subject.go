package ca

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// stripEmptyRDNs removes attributes whose value is empty or whitespace.
// Clients sometimes send templates with blank placeholder RDNs; those
// must not end up in the granted subject.
func stripEmptyRDNs(name pkix.Name) pkix.Name {
	clean := func(vals []string) []string {
		var out []string
		for _, v := range vals {
			if strings.TrimSpace(v) != "" {
				out = append(out, v)
			}
		}
		return out
	}
	name.Country = clean(name.Country)
	name.Organization = clean(name.Organization)
	name.OrganizationalUnit = clean(name.OrganizationalUnit)
	name.Locality = clean(name.Locality)
	name.Province = clean(name.Province)
	name.StreetAddress = clean(name.StreetAddress)
	name.PostalCode = clean(name.PostalCode)
	name.CommonName = strings.TrimSpace(name.CommonName)
	name.SerialNumber = strings.TrimSpace(name.SerialNumber)
	var extra []pkix.AttributeTypeAndValue
	for _, atv := range name.ExtraNames {
		if s, ok := atv.Value.(string); !ok || strings.TrimSpace(s) != "" {
			extra = append(extra, atv)
		}
	}
	name.ExtraNames = extra
	return name
}

// canonicalSubject renders a subject in a stable form for comparison:
// attribute=value pairs sorted lexically, values lower-cased with
// whitespace collapsed. Two subjects differing only in attribute order,
// case or spacing canonicalize identically.
func canonicalSubject(name pkix.Name) string {
	var parts []string
	add := func(attr string, vals ...string) {
		for _, v := range vals {
			v = strings.Join(strings.Fields(strings.ToLower(v)), " ")
			if v != "" {
				parts = append(parts, attr+"="+v)
			}
		}
	}
	add("cn", name.CommonName)
	add("serialnumber", name.SerialNumber)
	add("c", name.Country...)
	add("o", name.Organization...)
	add("ou", name.OrganizationalUnit...)
	add("l", name.Locality...)
	add("st", name.Province...)
	add("street", name.StreetAddress...)
	add("postalcode", name.PostalCode...)
	for _, atv := range name.ExtraNames {
		if s, ok := atv.Value.(string); ok {
			add(atv.Type.String(), s)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// SubjectFingerprint is the SHA-256 of the canonical subject form, used
// for duplicate-subject detection.
func SubjectFingerprint(name pkix.Name) string {
	sum := sha256.Sum256([]byte(canonicalSubject(name)))
	return hex.EncodeToString(sum[:])
}

// KeyFingerprint is the SHA-256 of the SubjectPublicKeyInfo encoding.
// Marshalling normalizes equivalent key encodings before hashing.
func KeyFingerprint(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// incrementSerialRDN returns a copy of name with the serialNumber RDN
// advanced by one. A missing or non-numeric serialNumber starts at 1.
func incrementSerialRDN(name pkix.Name) pkix.Name {
	n, err := strconv.ParseInt(name.SerialNumber, 10, 64)
	if err != nil {
		n = 0
	}
	name.SerialNumber = strconv.FormatInt(n+1, 10)
	return name
}
