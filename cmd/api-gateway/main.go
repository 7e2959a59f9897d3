package main

import "github.com/zianncupcake/myfoods-backend/services/api-gateway/cli"

func main() {
	cli.Execute()
}
