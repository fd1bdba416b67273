// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dagconfig creates a bigdag session from a shared
// configuration. It uses the configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigdag/config when it exists.
package dagconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigdag/exec"
)

// Path determines the location of the bigdag profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigdag/config")

// Parse registers configuration flags and calls flag.Parse. It
// returns the session configured by the profile at Path and any
// flags provided, together with a function that shuts the session
// down. Parse panics if session creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigdag", &sess)
	return sess, sess.Shutdown
}
