package main

import "github.com/zianncupcake/myfoods-backend/services/scheduler/cli"

func main() {
	cli.Execute()
}
