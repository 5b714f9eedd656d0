package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"snipebot/internal/captcha"
	"snipebot/internal/logbus"
)

// Smoke test for the captcha solver: feeds it a challenge from the command
// line and prints the token. Useful for checking an API key or the headless
// browser before pointing the bot at a real drop.
func main() {
	apiKey := flag.String("key", os.Getenv("CAPTCHA_API_KEY"), "solver service api key")
	baseURL := flag.String("base-url", "http://2captcha.com", "solver service base url")
	imagePath := flag.String("image", "", "path to a captcha image to solve")
	siteKey := flag.String("site-key", "", "recaptcha site key")
	pageURL := flag.String("page-url", "", "page the recaptcha lives on")
	browser := flag.Bool("browser", false, "use the headless browser instead of the http service")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall solve timeout")
	flag.Parse()

	bus := logbus.New(50)
	bus.SetEcho(os.Stderr)

	var solver captcha.Solver
	if *browser {
		b := captcha.NewBrowserSolver(bus)
		defer b.Close()
		solver = b
	} else {
		s, err := captcha.NewHTTPSolver(captcha.Config{
			APIKey:  *apiKey,
			BaseURL: *baseURL,
			Bus:     bus,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "solver: %v\n", err)
			os.Exit(1)
		}
		solver = s
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var token string
	var err error
	switch {
	case *imagePath != "":
		var image []byte
		image, err = os.ReadFile(*imagePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read image: %v\n", err)
			os.Exit(1)
		}
		token, err = solver.SolveImage(ctx, image)
	case *siteKey != "" && *pageURL != "":
		token, err = solver.SolveRecaptcha(ctx, *siteKey, *pageURL)
	default:
		fmt.Fprintln(os.Stderr, "nothing to solve: pass -image or -site-key with -page-url")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "solve: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
