package main

import (
	wapc "github.com/wapc/wapc-guest-tinygo"
)

//go:wasmexport wapc_init
func Initialize() {
	wapc.RegisterFunctions(wapc.Functions{
		"hello": Hello,
		"echo":  Echo,
	})
}

// Hello asks the host to capitalize the name, then greets it.
func Hello(payload []byte) ([]byte, error) {
	wapc.ConsoleLog("hello called")
	nameBytes, err := wapc.HostCall("", "example", "capitalize", payload)
	if err != nil {
		return nil, err
	}
	return []byte("Hello, " + string(nameBytes)), nil
}

// Echo returns the payload untouched.
func Echo(payload []byte) ([]byte, error) {
	return payload, nil
}
