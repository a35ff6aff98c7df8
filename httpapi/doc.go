// Package httpapi mounts the careAuth Engine on a chi router.
//
// Every handler decodes a JSON body, calls exactly one Engine operation and
// encodes its result. Errors go through middleware.WriteError, so
// authentication and authorization failures reach clients only as their
// class. Authenticator responses are relayed to the Engine verbatim.
//
// # Routes
//
//	POST   /v1/login                    password step
//	POST   /v1/login/challenge          passkey step
//	POST   /v1/login/passkey            discovery login (when enabled)
//	POST   /v1/login/backup-code        Sysadmin recovery
//	POST   /v1/passkeys/setup/begin     setup token or bearer session
//	POST   /v1/passkeys/setup/complete
//	POST   /v1/invitations/accept
//	POST   /v1/onboarding/confirm-mfa
//	POST   /v1/onboarding/profile
//	GET    /v1/passkeys                 bearer
//	PATCH  /v1/passkeys/{id}            bearer
//	DELETE /v1/passkeys/{id}            bearer
//	POST   /v1/backup-codes             bearer, Sysadmin
//	POST   /v1/logout                   bearer
//	POST   /v1/admin/invitations        bearer, Admin
//	POST   /v1/admin/mfa-reset          bearer, Admin
//	PUT    /v1/admin/accounts/{id}/active
//	GET    /v1/admin/accounts/{id}/homes
//	PUT    /v1/admin/accounts/{id}/homes/{home}
//	DELETE /v1/admin/accounts/{id}/homes/{home}
//	GET    /healthz
//	GET    /metrics                     when a handler is supplied
package httpapi
