// Package infra contém os pools de capacidade por cadeia (ledger + fila por prioridade).
//
// Cada Pool tem seu próprio mutex; o coordenador toma o lock dele antes do lock de qualquer pool.
package infra
