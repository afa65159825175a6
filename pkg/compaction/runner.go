package compaction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"embeddb/pkg/filename"
	"embeddb/pkg/iterator"
	"embeddb/pkg/keys"
	"embeddb/pkg/sstable"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
)

// Tables opens iterators over table files.
type Tables interface {
	NewIterator(f *version.FileMetadata) (iterator.Iterator, error)
}

// Runner executes compactions.
type Runner struct {
	Dir        string
	Tables     Tables
	WriterOpts sstable.WriterOptions
	// NewOutput allocates a file number and protects it from obsolete file
	// collection until the result is installed.
	NewOutput func() types.FileNum
	// CreateTable opens output tables. Nil means CreateTable.
	CreateTable func(dir string, num types.FileNum, opts sstable.WriterOptions) (*TableFile, error)
	Logger      *slog.Logger
}

// Result is the outcome of a compaction, ready for LogAndApply.
type Result struct {
	Edit         *version.Edit
	Outputs      []*version.FileMetadata
	TrivialMove  bool
	EntriesIn    int64
	EntriesOut   int64
	Dropped      int64
	BytesRead    uint64
	BytesWritten uint64
}

// checkEvery is how many entries are merged between cancellation checks.
const checkEvery = 1024

// Run merges the inputs of c and fills c.Edit. Entries are kept, and
// tombstones retained, until no snapshot at or above smallestSnapshot could
// observe the difference. On error every output written so far is removed.
func (r *Runner) Run(ctx context.Context, c *Compaction, smallestSnapshot types.SeqNum) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	create := r.CreateTable
	if create == nil {
		create = CreateTable
	}

	res := &Result{Edit: c.Edit}
	if c.IsTrivialMove() {
		f := c.Inputs[0][0]
		c.Edit.DeleteFile(c.Level, f.Num)
		c.Edit.AddFile(c.Level+1, f)
		res.TrivialMove = true
		logger.Info("trivial move", "file", f.Num, "from", c.Level, "to", c.Level+1)
		return res, nil
	}

	var children []iterator.Iterator
	for which := range c.Inputs {
		for _, f := range c.Inputs[which] {
			it, err := r.Tables.NewIterator(f)
			if err != nil {
				for _, ch := range children {
					ch.Close()
				}
				return nil, err
			}
			children = append(children, it)
			res.BytesRead += f.Size
		}
	}
	it := iterator.NewMerging(keys.Compare, children...)
	defer it.Close()

	var (
		out            *TableFile
		currentUserKey []byte
		hasCurrent     bool
		lastSeqForKey  = types.MaxSeqNum
	)
	fail := func(err error) (*Result, error) {
		if out != nil {
			out.Abandon()
		}
		r.removeOutputs(res.Outputs)
		return nil, err
	}
	finishOutput := func() error {
		meta, err := out.Finish()
		out = nil
		if err != nil {
			return err
		}
		res.Outputs = append(res.Outputs, meta)
		res.BytesWritten += meta.Size
		return nil
	}

	for it.First(); it.Valid(); it.Next() {
		if res.EntriesIn%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
		res.EntriesIn++

		ikey := it.Key()
		pk, err := keys.Parse(ikey)
		if err != nil {
			return fail(fmt.Errorf("compaction input: %w", err))
		}

		if !hasCurrent || keys.CompareUser(pk.UserKey, currentUserKey) != 0 {
			// outputs only split between user keys
			if out != nil && (c.ShouldStopBefore(ikey) || out.EstimatedSize() >= c.MaxOutputFileSize()) {
				if err := finishOutput(); err != nil {
					return fail(err)
				}
			}
			currentUserKey = append(currentUserKey[:0], pk.UserKey...)
			hasCurrent = true
			lastSeqForKey = types.MaxSeqNum
		}

		drop := false
		switch {
		case lastSeqForKey <= smallestSnapshot:
			// a newer entry for this key is already visible to every snapshot
			drop = true
		case pk.Kind == types.KindDeletion &&
			pk.Seq <= smallestSnapshot &&
			c.IsBaseLevelForKey(pk.UserKey):
			drop = true
		}
		lastSeqForKey = pk.Seq

		if drop {
			res.Dropped++
			continue
		}

		if out == nil {
			if out, err = create(r.Dir, r.NewOutput(), r.WriterOpts); err != nil {
				return fail(err)
			}
		}
		if err := out.Add(ikey, it.Value()); err != nil {
			return fail(err)
		}
		res.EntriesOut++
	}
	if err := it.Error(); err != nil {
		return fail(err)
	}
	if out != nil {
		if err := finishOutput(); err != nil {
			return fail(err)
		}
	}

	c.AddInputDeletions()
	for _, f := range res.Outputs {
		c.Edit.AddFile(c.Level+1, f)
	}
	return res, nil
}

func (r *Runner) removeOutputs(files []*version.FileMetadata) {
	for _, f := range files {
		path := filename.Path(r.Dir, filename.Table(f.Num))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to remove compaction output", "file", f.Num, "error", err)
		}
	}
}
