package main

import (
	"fmt"
	"strconv"
	"time"

	wapc "github.com/wapc/wapc-guest-tinygo"
)

func main() {
	// Register the operations exercised by the host tests
	wapc.RegisterFunctions(wapc.Functions{
		"echo":  echo,
		"nope":  fail,
		"hello": hello,
		"sleep": sleep,
	})
}

// echo will callback the host and return the payload
func echo(payload []byte) ([]byte, error) {
	// Callback with Payload
	wapc.HostCall("wapc", "testing", "echo", payload)
	return payload, nil
}

// fail will return an error when called
func fail(payload []byte) ([]byte, error) {
	return []byte(""), fmt.Errorf("Planned Failure")
}

// hello performs a host-call round trip and greets the caller
func hello(payload []byte) ([]byte, error) {
	if _, err := wapc.HostCall("myBinding", "sample", "hello", payload); err != nil {
		return nil, err
	}
	return []byte("Hello"), nil
}

// sleep busies the guest for the number of seconds given in the payload, so the host
// can exercise execution deadlines
func sleep(payload []byte) ([]byte, error) {
	seconds, err := strconv.Atoi(string(payload))
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for time.Now().Before(deadline) {
	}
	return []byte(fmt.Sprintf("slept for %d seconds", seconds)), nil
}
