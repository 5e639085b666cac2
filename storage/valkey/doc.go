// Package valkey provides a Valkey storage backend for the auth bridge.
//
// Valkey is wire-compatible with Redis. Use this backend when several bridge
// replicas must share refresh tokens and the used-code ledger.
//
// # Key Schema
//
// All keys use a configurable prefix (default "authbridge:"):
//
//	{prefix}refresh:{token}     -> JSON(record), PX set to the record's remaining lifetime
//	{prefix}subject:{subject}   -> SET of refresh tokens owned by subject
//	{prefix}code:{codeID}       -> "1", SET NX with PX until the code's expiry
//
// # Atomic Operations
//
// Put, Take and DeleteAllForSubject run as Lua scripts so the record and the
// subject index never disagree, and so at most one concurrent Take of a refresh
// token succeeds. The ledger relies on SET NX.
//
// Valkey expires keys by itself, so the store does not implement
// storage.ExpirySweeper.
package valkey
