// ABOUTME: Package documentation for the auth package
// ABOUTME: Explains token minting for outbound gateway connections

/*
Package auth provides JWT-based authentication for agent gateway
connections.

The connection pool asks a Tokens instance for a fresh token whenever it
builds a new connection, and attaches it as a Bearer Authorization header
on the WebSocket handshake. The gateway side verifies the same tokens with
the shared secret.

# Claims

Tokens carry the agent ID in "sub", the display name in "name", and a
random "jti" so individual connections are distinguishable in gateway
logs. Expiry is generous because a token is only presented once, at
handshake time.
*/
package auth
