// Cryptographic keys used to sign and verify repository commits.
//
// Two curves are supported, both with SHA-256 digests and compact 64-byte [R | S] signatures:
//
//   - K-256/secp256k1, implemented with <gitlab.com/yawning/secp256k1-voi>
//   - P-256/secp256r1, implemented with the Go standard library
//
// "Low-S" signatures are produced when signing and required when verifying.
//
// The repository code treats keys opaquely, through the [PrivateKey] and [PublicKey] interfaces.
package crypto
