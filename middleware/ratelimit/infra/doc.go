// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - Store: mapa genérico por chave com TTL e limpeza periódica
//   - SlidingWindow / FixedWindow / Adaptive: algoritmos sobre Store
//   - TokenBucket: token bucket por chave usando golang.org/x/time/rate
//   - MemoryStatsStore / RedisStatsStore: auditoria das decisões
package infra
