package wire

// ChecksumSeed starts every content hash.
const ChecksumSeed uint32 = 5381

// UpdateChecksum folds p into a running hash: h = (h*33) ^ c for each byte.
// Folding chunks one after another yields the same value as hashing their
// concatenation, which is what the cumulative CHECKSUM frames rely on.
func UpdateChecksum(h uint32, p []byte) uint32 {
	for _, c := range p {
		h = ((h << 5) + h) ^ uint32(c)
	}
	return h
}

// Checksum hashes p from the seed.
func Checksum(p []byte) uint32 {
	return UpdateChecksum(ChecksumSeed, p)
}
