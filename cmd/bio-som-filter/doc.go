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

/*
bio-som-filter trains a self-organizing map over per-site variant-call
annotations and uses distance from the trained manifold to separate
likely-true from likely-artifactual calls.

Verbs:

	build-dist  Compute (or reuse) the per-column distribution summary for
	            an annotation table.
	train       Train the SOM ensemble from a table's GOOD and
	            learning-filter-selected sites, then score every
	            present site against it, writing a sites file.
	eval        Sweep a score threshold over a sites file, emitting a
	            sensitivity-vs-quality-metric table.
	apply       Stamp FILTER/INFO fields onto a variant-call file using a
	            chosen threshold. The actual VCF rewrite is an external
	            collaborator's responsibility (see apply.go); this verb
	            only validates and reports the inputs it was given.

The SOM ensemble is never itself persisted: per the lifecycle this tool
implements, only the distribution summary and the sites file survive a
run, so "train" always re-derives the model before scoring rather than
loading one from disk.
*/
