// Package wpress reads and writes wpress archives: a single sequential
// stream that bundles a directory tree of regular files.
//
// An archive is a sequence of entries followed by a sentinel. Each entry is
// a fixed HeaderSize block followed by exactly Size bytes of file content:
//
//	name   NameSize bytes   raw bytes, NUL padded
//	size   SizeSize bytes   ASCII decimal, '0' padded on the left
//	mtime  MTimeSize bytes  ASCII decimal Unix seconds, '0' padded on the left
//	path   PathSize bytes   slash-separated parent directory, NUL padded
//
// The sentinel is a header whose name is empty; Pack writes it as a block of
// zeros. An entry extracts to its path joined with its name; files at the
// root have an empty path. There is no index: the offset of the next header is the offset of
// the current header plus HeaderSize plus Size.
//
// # Packing
//
// Pack walks a directory and writes its regular files in byte-lexicographic
// order of their relative paths, so the same tree always produces the same
// bytes:
//
//	f, err := os.Create("site.wpress")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//	stats, err := wpress.Pack(ctx, "./site", f)
//
// # Reading
//
// A Reader decodes entries one at a time from any io.Reader:
//
//	r := wpress.NewReader(src)
//	for {
//	    hdr, data, err := r.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // read hdr.Size bytes from data
//	}
//
// ExtractAll writes the whole tree below a destination directory. Paths that
// would resolve outside the destination are rejected with ErrPathEscape
// before anything is written for that entry.
//
// # Index
//
// When the archive is available through an io.ReaderAt, BuildIndex scans the
// headers once and records where every entry's data starts. The resulting
// Index supports lookups by path and extracts entries concurrently.
package wpress
