// Package domain define contratos e tipos de domínio do rate limit.
//
// Este pacote não depende de net/http nem de implementações concretas.
// Regras (Rule), contexto da requisição (RequestInfo) e o resultado (Info)
// circulam entre application e infra sem acoplar a detalhes de armazenamento.
package domain
