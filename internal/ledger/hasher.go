package ledger

import (
	"ListingLedger/internal/listing"
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "ListingLedger:genesis:v1"

// GenesisHash is the chain tip of an empty ledger.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
func ComputeHash(prevHash [32]byte, sequence uint64, digest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// settlementDigest is the canonical byte form of what a settlement changed:
// key || op || deleted || record || transfers.
func settlementDigest(s *Settlement) []byte {
	buf := make([]byte, 0, listing.KeySize+6+listing.RecordSize+len(s.Transfers)*64)
	buf = append(buf, s.Key.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.Operation))

	if s.Deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
		rec := listing.Encode(s.Listing)
		buf = append(buf, rec[:]...)
	}

	for _, t := range s.Transfers {
		buf = append(buf, t.From.AccountPath()...)
		buf = append(buf, '>')
		buf = append(buf, t.To.AccountPath()...)
		buf = binary.BigEndian.AppendUint64(buf, t.Amount)
		buf = binary.BigEndian.AppendUint32(buf, uint32(t.TransferType))
	}
	return buf
}
