package main

import (
	"context"

	"github.com/Blackdeer1524/TupleStore/cmd/tupstore/app"
)

func main() {
	app.MustExecute(context.Background())
}
