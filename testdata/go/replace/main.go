package main

import (
	wapc "github.com/wapc/wapc-guest-tinygo"
)

// This guest registers only echo, one of the primary test guest's operations, and
// answers it differently, so hot-swap tests can tell the two modules apart.
func main() {
	wapc.RegisterFunctions(wapc.Functions{
		"echo": echo,
	})
}

// echo marks the payload so callers can see the replacement took effect
func echo(payload []byte) ([]byte, error) {
	return append([]byte("replaced: "), payload...), nil
}
