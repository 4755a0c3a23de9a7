// Command triedbctl is a minimal demonstration CLI over pkg/triedb: open
// a database directory, apply one operation, print the result.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"triedb/pkg/triedb"
)

func main() {
	dir := flag.String("dir", "", "database directory")
	op := flag.String("op", "", "get|put|delete|prefix|stats (prefix lists every stored key that is a prefix of -key)")
	key := flag.String("key", "", "key")
	value := flag.String("value", "", "value (for put)")
	writer := flag.Bool("writer", false, "open as a writer instead of a reader")
	flag.Parse()

	if *dir == "" || *op == "" {
		fmt.Fprintln(os.Stderr, "usage: triedbctl -dir <path> -op get|put|delete|prefix|stats -key <key> [-value <value>] [-writer]")
		os.Exit(2)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	mode := triedb.ReaderMode
	if *writer || *op == "put" || *op == "delete" {
		mode = triedb.WriterMode
	}

	db, err := triedb.Open(*dir, mode, triedb.WithLogger(logger), triedb.WithAllPrefix())
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	switch *op {
	case "get":
		v, err := db.Find([]byte(*key))
		if err != nil {
			log.Fatalf("find: %v", err)
		}
		fmt.Println(string(v))

	case "put":
		if err := db.Add([]byte(*key), []byte(*value), true); err != nil {
			log.Fatalf("add: %v", err)
		}

	case "delete":
		if err := db.Remove([]byte(*key)); err != nil {
			log.Fatalf("remove: %v", err)
		}

	case "prefix":
		cur, err := db.FindPrefix([]byte(*key))
		if err != nil {
			log.Fatalf("find prefix: %v", err)
		}
		for {
			k, v, ok, err := cur.Next()
			if err != nil {
				log.Fatalf("cursor: %v", err)
			}
			if !ok {
				break
			}
			fmt.Printf("%s=%s\n", k, v)
		}

	case "stats":
		if err := db.PrintStats(os.Stdout); err != nil {
			log.Fatalf("stats: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown op %q\n", *op)
		os.Exit(2)
	}
}
