package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	wapc "github.com/wapc/wapc-host-go"
	"github.com/wapc/wapc-host-go/engines/wazero"
)

type Settings struct {
	ModulePath   string
	WaPCFunction string
	Message      string
}

func cli() Settings {
	var modulePath, wapcFunction string

	flag.StringVar(&modulePath, "m", "", "Path to the Wasm module to be loaded")
	flag.StringVar(&wapcFunction, "f", "echo", "Name of the waPC function to invoke")

	flag.Parse()
	if modulePath == "" {
		os.Stderr.WriteString("Must provide path to the Wasm module to load")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		os.Stderr.WriteString("Must provide payload message for waPC function")
		flag.PrintDefaults()
		os.Exit(1)
	}
	msg := flag.Arg(0)

	return Settings{
		ModulePath:   modulePath,
		Message:      msg,
		WaPCFunction: wapcFunction,
	}
}

func main() {
	settings := cli()

	ctx := context.Background()
	code, err := os.ReadFile(settings.ModulePath)
	if err != nil {
		panic(err)
	}

	engine, err := wazero.NewBuilder().
		WithModuleBytes(code).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		Build(ctx)
	if err != nil {
		panic(err)
	}

	host, err := wapc.New(ctx, engine, hostCall)
	if err != nil {
		panic(err)
	}
	host.SetLogger(wapc.Println)
	defer host.Close(ctx)

	result, err := host.Call(ctx, settings.WaPCFunction, []byte(settings.Message))
	if err != nil {
		panic(err)
	}

	fmt.Println(string(result))
}

func hostCall(_ context.Context, id uint64, binding, namespace, operation string, payload []byte) ([]byte, error) {
	log.Println("host callback")
	log.Printf("module id: %d\n", id)
	log.Printf("binding: %s\n", binding)
	log.Printf("namespace: %s\n", namespace)
	log.Printf("operation: %s\n", operation)
	log.Printf("payload: %s\n", string(payload))
	// Route the payload to any custom functionality accordingly.
	// You can even route to other waPC modules!!!
	switch namespace {
	case "example":
		switch operation {
		case "capitalize":
			name := string(payload)
			name = strings.Title(name)
			return []byte(name), nil
		}
	case "testing":
		switch operation {
		case "echo":
			return []byte(fmt.Sprintf("echo: %s", payload)), nil // echo
		}
	}
	return []byte("default"), nil
}
