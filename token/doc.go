// Package token signs and verifies the self-contained tokens the bridge hands out.
//
// Three variants share one HS256 mechanism and differ only in their Type claim
// and lifetime: authorization codes, access tokens, and the authorization
// request stashed in a cookie while the user signs in at the identity provider.
// Verify checks the Type claim before any other field is trusted, so a code can
// never be presented as an access token or the other way around.
//
// Codecs hold no state besides the key. Rotating the key invalidates every
// outstanding code and access token.
package token
