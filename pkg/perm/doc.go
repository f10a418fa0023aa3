// Package perm shares the nectar data directory with members of the "nectar"
// system group on Linux, so operators can read the node's public key and talk
// to its control socket without root. On other platforms every call is a
// no-op.
//
// Expected layout when the group exists:
//
//	Path                 Group    Mode
//	<dir>/               nectar   0770
//	<dir>/nectar.sock    nectar   0660
//	keys/                nectar   0770
//	keys/ed25519.key     (owner)  0600
//	keys/ed25519.pub     nectar   0640
//
// Without the group the calls return nil and the directory stays private.
package perm
