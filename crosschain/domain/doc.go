// Package domain do coordenador cross-chain.
//
// Tipos (cadeias, operações, limites, decisões), erros sentinela e a função de
// custo padrão. Sem estado e sem dependência de transporte.
package domain
