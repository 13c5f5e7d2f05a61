package main

import "amqpav/cmd/amqpav/cmd"

func main() {
	cmd.Execute()
}
