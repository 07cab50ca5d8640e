package domain

import (
	"context"
	"time"
)

// StatsEvent é o registro de auditoria de uma decisão do rate limit.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas
// e podem ser usadas para web, gRPC, etc.
//
// Observação: cuidado com cardinalidade (ex.: salvar Key/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis/Prometheus).
type StatsEvent struct {
	Key     Key
	Rule    string
	Tier    Tier
	Allowed bool
	Reason  string

	Method    string
	Path      string
	IP        string
	UserAgent string

	At time.Time
}

// StatsStore é a estratégia de persistência para a auditoria do rate limit.
//
// Implementações podem armazenar em Redis, memória, etc.
// O chamador trata erro como best-effort (não derruba a verificação).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
