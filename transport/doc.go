// Package transport describes the services a grouse node exposes
// and holds clients and frontends for them. The gateway service
// serves workflow clients. The raft service moves raft messages and
// snapshot chunks between nodes. Frontends expose both over a
// protocol without the node knowing which one.
package transport
