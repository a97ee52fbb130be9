package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/uaclient/uaclient"
	"github.com/bringyour/uaclient/uaclient/wsstack"
)

const DefaultGatewayUrl = "ws://localhost:8080/ua"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`UA client control.

Servers are reached through a UA gateway. Nodes are given in text form, e.g. s=Temperature or i=2258,
in the namespace given by --namespace.

The default urls are:
    gateway_url: %s

Usage:
    uactl discover [options] <discovery_url>...
    uactl read [options] --server=<server_uri> --namespace=<namespace_uri> <node>...
    uactl write [options] --server=<server_uri> --namespace=<namespace_uri> <node> <value>
    uactl browse [options] --server=<server_uri> --namespace=<namespace_uri> [--max_auto=<max_auto>] <node>...
    uactl history [options] --server=<server_uri> --namespace=<namespace_uri>
        [--since=<since>] [--max_values=<max_values>] <node>...
    uactl monitor [options] --server=<server_uri> --namespace=<namespace_uri>
        [--count=<count>] [--metrics_port=<metrics_port>] <node>...

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --gateway_url=<gateway_url>      The gateway websocket url.
    --token=<token>                  The gateway auth token. Defaults to $UACTL_TOKEN.
    --config=<config>                Client settings yaml.
    --discovery_url=<discovery_url>  Discovery url of the server, when not in the settings.
    --user=<user>                    Connect with a user name. Prompts for the password when not given.
    --password=<password>
    --issued_token=<issued_token>    Connect with an issued jwt.
    -v --verbose=<verbose>           Log level [default: 0].
    --max_auto=<max_auto>            Automatic browse next rounds [default: 10].
    --since=<since>                  History start as a duration before now [default: 1h].
    --max_values=<max_values>        Values per node and round, 0 for the server limit [default: 0].
    --count=<count>                  Exit after this many notifications, 0 to run until interrupted [default: 0].
    --metrics_port=<metrics_port>    Serve metrics on this port while monitoring.`,
		DefaultGatewayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if verbose, _ := opts.String("--verbose"); verbose != "" {
		flag.Set("v", verbose)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if discover_, _ := opts.Bool("discover"); discover_ {
		discover(ctx, opts)
	} else if read_, _ := opts.Bool("read"); read_ {
		read(ctx, opts)
	} else if write_, _ := opts.Bool("write"); write_ {
		write(ctx, opts)
	} else if browse_, _ := opts.Bool("browse"); browse_ {
		browse(ctx, opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(ctx, opts)
	} else if monitor_, _ := opts.Bool("monitor"); monitor_ {
		monitor(ctx, opts)
	}
}

func newStack(ctx context.Context, opts docopt.Opts) *wsstack.Stack {
	var gatewayUrl string
	if gatewayUrlAny := opts["--gateway_url"]; gatewayUrlAny != nil {
		gatewayUrl = gatewayUrlAny.(string)
	} else {
		gatewayUrl = DefaultGatewayUrl
	}

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		token = os.Getenv("UACTL_TOKEN")
	}

	return wsstack.NewStackWithDefaults(ctx, gatewayUrl, token)
}

func clientSettings(opts docopt.Opts) *uaclient.ClientSettings {
	var settings *uaclient.ClientSettings
	if configAny := opts["--config"]; configAny != nil {
		var err error
		settings, err = uaclient.LoadClientSettings(configAny.(string))
		if err != nil {
			panic(err)
		}
	} else {
		settings = uaclient.DefaultClientSettings()
	}
	settings.ApplicationName = "uactl"

	if discoveryUrlAny := opts["--discovery_url"]; discoveryUrlAny != nil {
		settings.DiscoveryUrls = append(settings.DiscoveryUrls, discoveryUrlAny.(string))
	}

	security := settings.DefaultSessionSettings.Security
	if security == nil {
		security = uaclient.DefaultSessionSecuritySettings()
		settings.DefaultSessionSettings.Security = security
	}
	if userAny := opts["--user"]; userAny != nil {
		var password string
		if passwordAny := opts["--password"]; passwordAny != nil {
			password = passwordAny.(string)
		} else {
			fmt.Print("Enter password: ")
			passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
			if err != nil {
				panic(err)
			}
			password = string(passwordBytes)
			fmt.Printf("\n")
		}
		security.UserTokenType = uaclient.UserTokenUserName
		security.UserName = userAny.(string)
		security.Password = password
	} else if issuedTokenAny := opts["--issued_token"]; issuedTokenAny != nil {
		issuedToken, err := uaclient.ParseIssuedTokenUnverified(issuedTokenAny.(string))
		if err != nil {
			panic(err)
		}
		if !issuedToken.ExpiresAt.IsZero() {
			fmt.Printf("issued token for %s expires %s\n", issuedToken.Subject, issuedToken.ExpiresAt.Format(time.RFC3339))
		}
		security.UserTokenType = uaclient.UserTokenIssuedToken
		security.IssuedToken = issuedTokenAny.(string)
	}

	if status := uaclient.ValidateClientSettings(settings); !status.IsGood() {
		panic(status.Err())
	}
	return settings
}

func newClient(ctx context.Context, opts docopt.Opts) (*uaclient.Client, *wsstack.Stack) {
	stack := newStack(ctx, opts)
	client, err := uaclient.NewClient(ctx, stack, clientSettings(opts))
	if err != nil {
		panic(err)
	}
	return client, stack
}

func addresses(opts docopt.Opts) []uaclient.Address {
	serverUri, _ := opts.String("--server")
	namespaceUri, _ := opts.String("--namespace")
	nodes := opts["<node>"]
	var identifiers []string
	switch v := nodes.(type) {
	case []string:
		identifiers = v
	case string:
		identifiers = []string{v}
	}
	addresses := []uaclient.Address{}
	for _, identifier := range identifiers {
		addresses = append(addresses, uaclient.NewAbsoluteAddress(serverUri, namespaceUri, identifier))
	}
	return addresses
}

// numbers, then booleans, then text
func parseValue(valueStr string) any {
	if v, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(valueStr); err == nil {
		return v
	}
	return valueStr
}

func discover(ctx context.Context, opts docopt.Opts) {
	stack := newStack(ctx, opts)
	defer stack.Close()

	discoveryUrls := opts["<discovery_url>"].([]string)
	for _, discoveryUrl := range discoveryUrls {
		endpoints, err := stack.Discover(ctx, discoveryUrl)
		if err != nil {
			fmt.Printf("%s: %s\n", discoveryUrl, err)
			continue
		}
		for _, endpoint := range endpoints {
			fmt.Printf(
				"%s %s %s mode=%d level=%d\n",
				endpoint.ServerUri,
				endpoint.EndpointUrl,
				endpoint.SecurityPolicyUri,
				endpoint.SecurityMode,
				endpoint.SecurityLevel,
			)
		}
	}
}

func read(ctx context.Context, opts docopt.Opts) {
	client, stack := newClient(ctx, opts)
	defer stack.Close()
	defer client.Close(ctx)

	nodeAddresses := addresses(opts)
	result, err := client.Read(ctx, nodeAddresses, uaclient.AttributeValue)
	if err != nil {
		panic(err)
	}
	for i, target := range result.Targets {
		if target.Status.IsGood() {
			fmt.Printf("%s = %v\n", nodeAddresses[i], target.Value.Value)
		} else {
			fmt.Printf("%s: %s\n", nodeAddresses[i], target.Status)
		}
	}
}

func write(ctx context.Context, opts docopt.Opts) {
	client, stack := newClient(ctx, opts)
	defer stack.Close()
	defer client.Close(ctx)

	valueStr, _ := opts.String("<value>")
	nodeAddresses := addresses(opts)
	result, err := client.Write(ctx, nodeAddresses, []any{parseValue(valueStr)})
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s: %s\n", nodeAddresses[0], result.Targets[0].Status)
}

func browse(ctx context.Context, opts docopt.Opts) {
	client, stack := newClient(ctx, opts)
	defer stack.Close()
	defer client.Close(ctx)

	maxAuto, _ := opts.Int("--max_auto")
	nodeAddresses := addresses(opts)
	result, err := client.Browse(ctx, nodeAddresses, maxAuto)
	if err != nil {
		panic(err)
	}
	for i, target := range result.Targets {
		fmt.Printf("%s: %s\n", nodeAddresses[i], target.Status)
		for _, reference := range target.References {
			fmt.Printf("    %s %s\n", reference.NodeId, reference.BrowseName.Name)
		}
		if len(target.ContinuationPoint) != 0 {
			fmt.Printf("    ... more after %d rounds\n", target.AutoBrowsedNext)
		}
	}
}

func history(ctx context.Context, opts docopt.Opts) {
	client, stack := newClient(ctx, opts)
	defer stack.Close()
	defer client.Close(ctx)

	sinceStr, _ := opts.String("--since")
	since, err := time.ParseDuration(sinceStr)
	if err != nil {
		panic(err)
	}
	maxValues, _ := opts.Int("--max_values")

	endTime := time.Now()
	nodeAddresses := addresses(opts)
	result, err := client.HistoryReadRaw(ctx, nodeAddresses, endTime.Add(-since), endTime, uint32(maxValues), 100)
	if err != nil {
		panic(err)
	}
	for i, target := range result.Targets {
		fmt.Printf("%s: %s\n", nodeAddresses[i], target.Status)
		for _, dataValue := range target.DataValues {
			fmt.Printf("    %s %v\n", dataValue.SourceTimestamp.Format(time.RFC3339Nano), dataValue.Value)
		}
	}
}

func monitor(ctx context.Context, opts docopt.Opts) {
	client, stack := newClient(ctx, opts)
	defer stack.Close()
	defer client.Close(ctx)

	count, _ := opts.Int("--count")

	if metricsPortAny := opts["--metrics_port"]; metricsPortAny != nil {
		metricsPort, err := strconv.Atoi(metricsPortAny.(string))
		if err != nil {
			panic(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(client.Metrics(), promhttp.HandlerOpts{}))
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", metricsPort),
			Handler: mux,
		}
		go func() {
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Printf("metrics error: %s\n", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	client.Housekeeping().Start()

	nodeAddresses := addresses(opts)
	notifications := make(chan string)
	labels := map[uaclient.ClientHandle]string{}

	result, err := client.CreateMonitoredData(ctx, nodeAddresses)
	if err != nil {
		panic(err)
	}
	for i, target := range result.Targets {
		label := nodeAddresses[i].String()
		labels[target.ClientHandle] = label
		if !target.Status.IsGood() {
			// retried by housekeeping
			fmt.Printf("%s: %s\n", label, target.Status)
		}
	}
	client.RegisterDataChangeCallback(uaclient.AnyHandle, func(notification *uaclient.DataChangeNotification) {
		label, ok := labels[notification.ClientHandle]
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
		case notifications <- fmt.Sprintf("%s = %v", label, notification.Value.Value):
		}
	})

	for i := 0; count == 0 || i < count; i += 1 {
		select {
		case <-ctx.Done():
			return
		case notification := <-notifications:
			fmt.Printf("%s\n", notification)
		}
	}
}

func RequireVersion() string {
	if version := os.Getenv("UACTL_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
