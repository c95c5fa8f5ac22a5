// Package aes implements the symmetric primitives used to authenticate and
// encrypt overlay packets:
//
//   - Cipher: AES-256 single-block encrypt/decrypt with a portable
//     table-driven backend and a hardware backend chosen by a cached CPU
//     probe. Both produce bit-identical output.
//   - GMAC: incremental GHASH-based MAC keyed by the cipher's hash subkey.
//   - CTR: streaming counter mode with a 32-bit big-endian block counter.
//   - SIVEncryptor / SIVDecryptor: the two-key AES-GMAC-SIV construction.
//
// Streaming objects (GMAC, CTR, SIV) are not safe for concurrent use. A keyed
// Cipher is read-only after construction and may be shared by any number of
// goroutines.
//
// Limits: the CTR counter is 32 bits and wrapping it is undefined. GMAC-SIV
// messages are capped at MaxMessageSize bytes because bit 31 of the CTR IV is
// forced to zero.
package aes
