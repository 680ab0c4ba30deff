// Package persistence archives finished test results as gzipped JSON files.
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"
)

// DataFile is the file where we save results.
type DataFile struct {
	Prefix   string
	Datatype string
	Subtest  string
	UUID     string
	// Path is the full path of the file.
	Path string
	// Size is the uncompressed size of the JSON document.
	Size int

	writer io.WriteCloser
	fp     *os.File
}

func newDataFile(datadir, datatype, subtest, uuid string) (*DataFile, error) {
	timestamp := time.Now()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json.gz")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		writer:   writer,
		fp:       fp,
	}, nil
}

// New creates a DataFile for saving results in datadir.
func New(datadir, datatype, subtest, uuid string) (*DataFile, error) {
	return newDataFile(datadir, datatype, subtest, uuid)
}

// Write writes a JSON representation of result to this file.
func (df *DataFile) Write(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	n, err := df.writer.Write(data)
	df.Size += n
	return err
}

// Close closes the gzip writer and the file.
func (df *DataFile) Close() error {
	err := df.writer.Close()
	if err != nil {
		df.fp.Close()
		return err
	}
	return df.fp.Close()
}

// WriteDataFile creates a new DataFile, writes result to it and closes it.
func WriteDataFile(datadir, datatype, subtest, uuid string, result interface{}) (*DataFile, error) {
	df, err := New(datadir, datatype, subtest, uuid)
	if err != nil {
		return nil, err
	}
	if err := df.Write(result); err != nil {
		df.Close()
		return nil, err
	}
	if err := df.Close(); err != nil {
		return nil, err
	}
	return df, nil
}
