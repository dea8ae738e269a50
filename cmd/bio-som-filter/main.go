// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

const toolVersion = "bio-som-filter/1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <verb> [OPTIONS]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Verbs: build-dist, train, eval, apply\n")
	fmt.Fprintf(os.Stderr, "Run '%s <verb> -help' for verb-specific options.\n", os.Args[0])
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	verb := os.Args[1]
	args := os.Args[2:]

	shutdown := grail.Init()
	defer shutdown()
	ctx := vcontext.Background()

	commandLine := strings.Join(os.Args, " ")

	var err error
	switch verb {
	case "build-dist":
		err = runBuildDist(ctx, args)
	case "train":
		err = runTrain(ctx, args, commandLine)
	case "eval":
		err = runEval(ctx, args, commandLine)
	case "apply":
		err = runApply(ctx, args)
	case "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown verb %q\n", verb)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", verb, err)
	}
}
