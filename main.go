package main

import "healbot/internal/app"

func main() {
	app.Main()
}
