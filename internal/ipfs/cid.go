package ipfs

import (
	"encoding/base32"
	"strings"

	"github.com/mr-tron/base58"

	"advisor-ledger/internal/apperr"
)

const (
	sha256Code   = 0x12
	sha256Length = 0x20
)

var base32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ValidateCID performs a structural check of a CIDv0 (base58 sha256 multihash) or a CIDv1
// in base32 ("b") or base58btc ("z") multibase. It does not resolve the content.
func ValidateCID(cid string) error {
	const op = "validate cid"

	cid = strings.TrimSpace(cid)
	switch {
	case cid == "":
		return apperr.Input(op, "cid is empty")

	case len(cid) == 46 && strings.HasPrefix(cid, "Qm"):
		raw, err := base58.Decode(cid)
		if err != nil {
			return apperr.Input(op, "invalid base58 in cid %q", cid)
		}
		if len(raw) != 34 || raw[0] != sha256Code || raw[1] != sha256Length {
			return apperr.Input(op, "cid %q is not a sha256 multihash", cid)
		}
		return nil

	case cid[0] == 'b':
		raw, err := base32Lower.DecodeString(cid[1:])
		if err != nil {
			return apperr.Input(op, "invalid base32 in cid %q", cid)
		}
		return checkV1(op, cid, raw)

	case cid[0] == 'z':
		raw, err := base58.Decode(cid[1:])
		if err != nil {
			return apperr.Input(op, "invalid base58 in cid %q", cid)
		}
		return checkV1(op, cid, raw)
	}

	return apperr.Input(op, "unsupported cid format %q", cid)
}

// checkV1 verifies the version byte and that a codec and multihash follow.
func checkV1(op, cid string, raw []byte) error {
	if len(raw) < 4 || raw[0] != 0x01 {
		return apperr.Input(op, "cid %q is not a version 1 cid", cid)
	}
	return nil
}
