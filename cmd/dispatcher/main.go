package main

import "github.com/zianncupcake/myfoods-backend/services/dispatcher/cli"

func main() {
	cli.Execute()
}
