// Package password hashes account secrets with argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Secrets are accepted between 8 and 256 raw bytes. The package never stores,
// logs or returns plaintext.
package password
