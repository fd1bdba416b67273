// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Wordcount counts the words in a set of text files. Each file is
// read by its own partition; counts are combined through a shuffle
// and printed in key order. Files may be local or on S3.
//
//	wordcount -set bigdag.hosts=4 file1.txt s3://bucket/file2.txt
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/dagconfig"
	"github.com/grailbio/bigdag/dataio"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

var reducers = flag.Int("reducers", 4, "number of reduce partitions")

func words(ctx context.Context, path string) ([]interface{}, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	var records []interface{}
	scan := bufio.NewScanner(f.Reader(ctx))
	scan.Split(bufio.ScanWords)
	for scan.Scan() {
		records = append(records, bigdag.Pair{Key: strings.ToLower(scan.Text()), Value: 1})
	}
	return records, scan.Err()
}

func main() {
	log.AddFlags()
	sess, shutdown := dagconfig.Parse()
	defer shutdown()
	paths := flag.Args()
	if len(paths) == 0 {
		log.Fatal("usage: wordcount [flags] files...")
	}
	files := make([]interface{}, len(paths))
	for i := range paths {
		files[i] = paths[i]
	}
	var (
		ctx    = context.Background()
		counts = bigdag.ReduceByKey(
			bigdag.FlatMap(bigdag.Parallelize(files, len(files)), func(v interface{}) []interface{} {
				records, err := words(ctx, v.(string))
				if err != nil {
					panic(err)
				}
				return records
			}),
			func(a, b interface{}) interface{} { return a.(int) + b.(int) },
			*reducers)
	)
	records, err := sess.Collect(ctx, counts)
	if err != nil {
		log.Fatal(err)
	}
	pairs := make([]dataio.Pair, len(records))
	for i := range records {
		pairs[i] = records[i].(dataio.Pair)
	}
	dataio.SortPairs(pairs)
	for _, p := range pairs {
		fmt.Printf("%v\t%v\n", p.Key, p.Value)
	}
}
