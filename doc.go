// Package sso implements the core of an OAuth2 Authorization Code exchange
// engine with PKCE (RFC 7636), anti-CSRF state management, and a bridge for
// third-party identity providers (WeChat, Alipay, GitHub).
//
// The package coordinates short-lived, single-use credentials (states,
// verifier/challenge pairs, authorization codes, bind codes, and token
// handoff codes) across multiple HTTP round-trips. Every credential lives in
// an ephemeral TTL-bound store whose atomic take-once primitive guarantees
// at-most-once redemption under concurrent load.
//
// Collaborators the engine depends on but does not implement are expressed
// as capabilities: ClientRegistry (client registration lookup), TokenMinter
// (token signing), UserRepository (user persistence and identity linking),
// and PasswordVerifier (credential checks). Hosts assemble an Engine with
// explicit constructor injection; there is no ambient per-request state.
package sso
