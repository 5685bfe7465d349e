// Package services talks to an org's REST API.
//
// # Connection
//
// Components depend on the two-method [Connection] interface rather than on [Client], so the
// validator, resolver and prober can be tested against hand-written fakes.
//
// [Client] implements it with github.com/carlmjohnson/requests. Every call asks a [TokenFunc]
// for the current access token and runs through an [Executor], which in production is the org's
// rate-limited queue. Query results are fully paged and kept as [gjson.Result] records, so
// relationship fields read as paths ("Parent__r.Name").
//
// # Errors
//
// Non-2xx responses become [*APIError] carrying the HTTP status and the platform error code.
// [APIError.Retryable] decides which of them the queue retries.
//
// # OAuth
//
// [OAuthRefresher] performs a single refresh-token grant through golang.org/x/oauth2. Retrying
// and invalid_grant handling belong to the token manager, which calls [IsInvalidGrant].
package services
