// Package session mirrors live hub connections into Redis so any replica can
// tell whether a user currently has a session somewhere in the cluster.
package session
