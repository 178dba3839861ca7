// Command duskctl is a tiny CLI collaborator over a duskbase database,
// analogous to intellect4all-storage-engines/cmd/demo: put/get/scan/verify
// against one named tree in one database file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ryogrid/duskbase"
	"github.com/ryogrid/duskbase/pagefile"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	file := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	dbPath := file.String("db", "duskbase.db", "path to the database file")
	tree := file.String("tree", "default", "tree name")
	if err := file.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "put":
		err = runPut(*dbPath, *tree, file.Args())
	case "get":
		err = runGet(*dbPath, *tree, file.Args())
	case "scan":
		err = runScan(*dbPath, *tree, file.Args())
	case "verify":
		err = runVerify(*dbPath, *tree)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "duskctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: duskctl <put|get|scan|verify> [-db path] [-tree name] args...")
	fmt.Fprintln(os.Stderr, "  put <key> <value>")
	fmt.Fprintln(os.Stderr, "  get <key>")
	fmt.Fprintln(os.Stderr, "  scan [start]")
	fmt.Fprintln(os.Stderr, "  verify")
}

func openDatabase(path string) (*duskbase.Database, error) {
	pa, err := pagefile.OpenDirectFile(path, 4096)
	if err != nil {
		return nil, err
	}
	return duskbase.Open(pa)
}

func runPut(dbPath, treeName string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("put requires <key> <value>")
	}
	db, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.OpenTree(treeName)
	if err != nil {
		return err
	}
	if err := t.Put([]byte(args[0]), []byte(args[1])); err != nil {
		return err
	}
	return db.Commit()
}

func runGet(dbPath, treeName string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("get requires <key>")
	}
	db, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.OpenTree(treeName)
	if err != nil {
		return err
	}
	value, found, err := t.Get([]byte(args[0]))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key not found: %s", args[0])
	}
	fmt.Println(string(value))
	return nil
}

func runScan(dbPath, treeName string, args []string) error {
	var start []byte
	if len(args) == 1 {
		start = []byte(args[0])
	}
	db, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.OpenTree(treeName)
	if err != nil {
		return err
	}
	cur, err := t.Seek(start)
	if err != nil {
		return err
	}
	defer cur.Close()

	for cur.Valid() {
		value, err := cur.Value()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", cur.Key(), value)
		cur.Next()
	}
	return nil
}

func runVerify(dbPath, treeName string) error {
	db, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.OpenTree(treeName)
	if err != nil {
		return err
	}
	if err := t.Verify(nil); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
