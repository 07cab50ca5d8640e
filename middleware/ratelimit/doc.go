// Package ratelimit fornece o adapter HTTP (net/http) do rate limiter.
//
// Visão geral (camadas):
//
//   - domain: regras, tiers e contratos (sem dependência de net/http)
//   - application: o Service (fachada), tier resolver, breaker por regra×tier, allow/deny-list
//   - infra: algoritmos (sliding window, token bucket, fixed window, adaptive) e stores de estatística
//   - ratelimit (este pacote): middleware HTTP + extração de chave + tradução para status/headers
//
// Fluxo no gateway:
//
//   1) Extrai a chave do cliente (header/XFF/IP) e monta o RequestInfo
//   2) Resolve o tier e pede a decisão ao Service
//   3) Se bloqueado, responde 429 (cota), 403 (IP negado) ou 503 (breaker aberto)
//   4) Se permitido, chama o próximo handler e devolve o status ao breaker (>= 500 conta como falha)
package ratelimit
