package vta_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/pathoscope/encoding/vta"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/pkg/errors"
)

func TestParse(t *testing.T) {
	r, err := vta.Parse([]byte("read1,NC_001,12,100,205.5"))
	assert.NoError(t, err)
	expect.EQ(t, r, vta.Record{ReadID: "read1", RefID: "NC_001", Pos: 12, Length: 100, Score: 205.5})
	expect.EQ(t, r.End(), 112)

	for _, line := range []string{
		"read1,NC_001,12,100",
		"read1,NC_001,12,100,1.0,extra",
		"read1,NC_001,x,100,1.0",
		"read1,NC_001,12,y,1.0",
		"read1,NC_001,12,100,z",
		",NC_001,12,100,1.0",
	} {
		_, err := vta.Parse([]byte(line))
		var me *vta.MalformedError
		expect.True(t, errors.As(err, &me), "line %q: %v", line, err)
	}
}

func TestScannerReportsLine(t *testing.T) {
	in := "r1,a,0,10,1\n\nr2,b,0,10,2\nr3,b,0,ten,2\nr4,c,0,10,1\n"
	sc := vta.NewScanner(strings.NewReader(in), "test.vta")
	var ids []string
	for sc.Scan() {
		ids = append(ids, sc.Record().ReadID)
	}
	expect.EQ(t, ids, []string{"r1", "r2"})
	var me *vta.MalformedError
	assert.True(t, errors.As(sc.Err(), &me))
	expect.EQ(t, me.Line, 4)
	expect.EQ(t, me.Path, "test.vta")
	expect.True(t, strings.Contains(me.Error(), "test.vta:4"))
}

func TestWriterRoundTrip(t *testing.T) {
	recs := []vta.Record{
		{ReadID: "r1", RefID: "a", Pos: 0, Length: 50, Score: 0.25},
		{ReadID: "r1", RefID: "b", Pos: 7, Length: 50, Score: 1},
		{ReadID: "r2", RefID: "a", Pos: 3, Length: 48, Score: 142},
	}
	var buf bytes.Buffer
	w := vta.NewWriter(&buf)
	for _, r := range recs {
		assert.NoError(t, w.Write(r))
	}
	assert.NoError(t, w.Flush())
	expect.EQ(t, w.Count(), 3)
	expect.EQ(t, buf.String(), "r1,a,0,50,0.25\nr1,b,7,50,1\nr2,a,3,48,142\n")

	sc := vta.NewScanner(&buf, "")
	var got []vta.Record
	for sc.Scan() {
		got = append(got, sc.Record())
	}
	assert.NoError(t, sc.Err())
	expect.EQ(t, got, recs)
}

func TestFiles(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "x.vta")

	assert.NoError(t, vta.WriteFile(ctx, path, func(w *vta.Writer) error {
		return w.Write(vta.Record{ReadID: "r", RefID: "s", Pos: 1, Length: 2, Score: 3})
	}))
	n := 0
	assert.NoError(t, vta.ReadFile(ctx, path, func(r vta.Record) error {
		expect.EQ(t, r.RefID, "s")
		n++
		return nil
	}))
	expect.EQ(t, n, 1)
}
