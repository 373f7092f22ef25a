package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/auth"
)

// dlq-replay lists parked events, replays one entry or lifts an aggregate
// freeze. It signs a short-lived operator token with the shared HS256 secret.
func main() {
	var (
		baseURL  = flag.String("base-url", getenv("BASE_URL", "http://localhost:8090"), "workspace service base url")
		secret   = flag.String("secret", getenv("JWT_SECRET", ""), "HS256 signing secret")
		operator = flag.String("operator", getenv("OPERATOR", ""), "operator subject recorded on the replay")
		entryID  = flag.String("entry", "", "dlq entry id to replay")
		unfreeze = flag.String("unfreeze", "", "aggregate id whose freeze is lifted")
		tier     = flag.String("tier", "", "list filter: SECURITY_BLOCK, REVIEW_REQUIRED or SAFE_AUTO")
		replayed = flag.Bool("include-replayed", false, "list replayed entries too")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("JWT_SECRET is required")
	}
	if strings.TrimSpace(*operator) == "" {
		fatal("OPERATOR is required")
	}
	if *entryID != "" && *unfreeze != "" {
		fatal("-entry and -unfreeze are exclusive")
	}

	now := time.Now()
	token, err := auth.SignHS256(auth.Claims{
		Sub:   *operator,
		Roles: []string{"operator"},
		Iat:   now.Unix(),
		Exp:   now.Add(5 * time.Minute).Unix(),
	}, *secret)
	if err != nil {
		fatal(err.Error())
	}

	base := strings.TrimRight(*baseURL, "/")
	var req *http.Request
	switch {
	case *entryID != "":
		req, err = http.NewRequest(http.MethodPost, base+"/v1/dlq/"+url.PathEscape(*entryID)+"/replay", nil)
	case *unfreeze != "":
		req, err = http.NewRequest(http.MethodPost, base+"/v1/dlq/freezes/"+url.PathEscape(*unfreeze)+"/unfreeze", nil)
	default:
		q := url.Values{}
		if *tier != "" {
			q.Set("tier", *tier)
		}
		if *replayed {
			q.Set("includeReplayed", "true")
		}
		req, err = http.NewRequest(http.MethodGet, base+"/v1/dlq?"+q.Encode(), nil)
	}
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("status=%d\n", resp.StatusCode)
	var pretty any
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else if len(body) > 0 {
		fmt.Println(string(body))
	}
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
