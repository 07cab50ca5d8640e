// Package application contém o Coordinator cross-chain: pipeline de admissão
// (breakers, limites, recursos, dependências), conclusão, fila com drenagem,
// rebalance, limpeza e as tarefas periódicas single-flight que os disparam.
package application
