package diskbench

import (
	"fmt"
	"io"
	"strconv"
)

// WriteResult prints r as "<host>\t<block size>\t<elapsed seconds>".
func WriteResult(w io.Writer, r Result) error {
	_, err := fmt.Fprintf(w, "%s\t%d\t%s\n",
		r.Host, r.BlockSize, strconv.FormatFloat(r.Elapsed.Seconds(), 'f', 6, 64))
	return err
}
