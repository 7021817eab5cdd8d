package main

import "github.com/joho/godotenv"

func main() {
	// Local .env is optional; real deployments configure via environment.
	_ = godotenv.Load()
	Execute()
}
