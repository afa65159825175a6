package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"embeddb/pkg/filename"
	"embeddb/pkg/keys"
	"embeddb/pkg/sstable"
	"embeddb/pkg/types"
)

func main() {
	verifyOnly := flag.Bool("verify", false, "only verify block checksums")
	limit := flag.Int("limit", 0, "stop after printing this many entries (0 prints all)")
	showValues := flag.Bool("values", true, "print values")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sstdump [-verify] [-limit n] [-values=false] <file.sst>")
		os.Exit(2)
	}
	if err := dump(flag.Arg(0), *verifyOnly, *limit, *showValues); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func dump(path string, verifyOnly bool, limit int, showValues bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	var num types.FileNum
	if typ, n, ok := filename.Parse(filepath.Base(path)); ok && typ == filename.TypeTable {
		num = n
	}

	r, err := sstable.Open(f, st.Size(), num, sstable.ReaderOptions{})
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("table %s: %d bytes, %d data blocks\n", path, st.Size(), r.NumBlocks())
	if err := r.VerifyChecksums(); err != nil {
		return fmt.Errorf("checksum verification failed: %w", err)
	}
	fmt.Println("checksums: ok")
	if verifyOnly {
		return nil
	}

	it := r.NewIterator()
	defer it.Close()

	n := 0
	for it.First(); it.Valid(); it.Next() {
		pk, err := keys.Parse(it.Key())
		if err != nil {
			return err
		}
		if showValues && pk.Kind == types.KindValue {
			fmt.Printf("%s => %q\n", pk, it.Value())
		} else {
			fmt.Println(pk)
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Printf("%d entries\n", n)
	return nil
}
