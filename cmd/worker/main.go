package main

import "github.com/zianncupcake/myfoods-backend/services/worker/cli"

func main() {
	cli.Execute()
}
