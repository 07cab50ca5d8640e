// Package application contém os casos de uso do rate limit.
//
// Ele depende apenas do pacote domain (e do breaker compartilhado) e não conhece net/http.
// Ex.: Limiter.CheckRateLimit(ctx, key, rule, tier, req) devolve um domain.Info.
package application
