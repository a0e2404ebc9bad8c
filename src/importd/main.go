// Command importd runs the durable video import pipeline: it leases jobs
// from the queue, fetches source video from one of four strategies,
// streams the result to the content origin, and notifies the catalog.
package main

import (
	"github.com/ingestflow/importd/src/importd/core"
)

func main() {
	core.Execute()
}
