package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"blsqdb/internal/storage"
	"blsqdb/internal/storage/diskstore"
	"blsqdb/internal/storage/memstore"
)

func main() {
	path := "./data/blsq"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	var store storage.Store
	if path == ":memory:" {
		store = memstore.New()
	} else {
		ds, err := diskstore.Open(path)
		if err != nil {
			log.Fatalf("failed to open store at %q: %v", path, err)
		}
		store = ds
	}

	fmt.Printf("blsqdb started on %q.\n", path)
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>  - store a value")
	fmt.Println("  get <key>          - read a value")
	fmt.Println("  del <key>          - delete a key")
	fmt.Println("  flush              - sync to disk")
	fmt.Println("  .exit              - quit")
	fmt.Println("  .help              - show this help")
	fmt.Println()

	runREPL(store)

	if err := store.Close(); err != nil {
		log.Fatalf("close failed: %v", err)
	}
}

func runREPL(store storage.Store) {
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("blsqdb> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println()
				return
			}
			log.Fatalf("read input: %v", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case ".exit", ".quit":
			return
		case ".help":
			fmt.Println("put <key> <value> | get <key> | del <key> | flush | .exit")
		case "put":
			if len(fields) < 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			value := strings.Join(fields[2:], " ")
			if err := store.Put([]byte(fields[1]), []byte(value)); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("ok")
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			v, err := store.Get([]byte(fields[1]))
			if errors.Is(err, storage.ErrKeyNotFound) {
				fmt.Println("(not found)")
				continue
			}
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("%s\n", v)
		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			err := store.Delete([]byte(fields[1]))
			if errors.Is(err, storage.ErrKeyNotFound) {
				fmt.Println("(not found)")
				continue
			}
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("ok")
		case "flush":
			if err := store.Flush(); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("ok")
		default:
			fmt.Printf("unknown command %q (try .help)\n", fields[0])
		}
	}
}
