package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	hcl "github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

type Config struct {
	Registries map[string]*Registry
	Copy       *Copy
	Server     *Server

	Filename string
}

type Registry struct {
	Name string
	URL  *url.URL

	Username      string
	Password      string
	IdentityToken string
	AccessToken   string

	InsecureSkipVerify bool

	DeclRange hcl.Range
}

// Copy is the configuration for the copy engine. Fields left at their
// zero values select the engine's own defaults.
type Copy struct {
	Concurrency int

	// MaxRetries is nil if not set, so that zero can mean "never retry".
	MaxRetries *int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Mount enables cross-repository mounting when the source and the
	// destination are in the same registry.
	Mount bool

	DeclRange hcl.Range
}

type Server struct {
	ListenAddr string
	TLS        *TLSConfig

	DeclRange hcl.Range
}

type TLSConfig struct {
	Certificate tls.Certificate
}

func LoadConfigFile(filename string) (*Config, hcl.Diagnostics) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Cannot read configuration file",
				Detail:   fmt.Sprintf("Failed to read %s: %s.", filename, err),
			},
		}
	}
	return LoadConfig(src, filename)
}

func LoadConfig(src []byte, filename string) (*Config, hcl.Diagnostics) {
	f, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}

	content, moreDiags := f.Body.Content(rootSchema)
	diags = append(diags, moreDiags...)
	if moreDiags.HasErrors() {
		return nil, diags
	}

	ret := &Config{
		Filename:   filename,
		Registries: make(map[string]*Registry),
	}

	for _, block := range content.Blocks {

		switch block.Type {
		case "registry":
			registry, moreDiags := decodeRegistry(block)
			if existing, exists := ret.Registries[registry.Name]; exists {
				moreDiags = moreDiags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate registry name",
					Detail:   fmt.Sprintf("A registry named %q was already declared at %s. Registry names must be unique.", registry.Name, existing.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
			}
			diags = append(diags, moreDiags...)
			if moreDiags.HasErrors() {
				continue
			}

			ret.Registries[registry.Name] = registry

		case "copy":
			copyConfig, moreDiags := decodeCopyConfig(block)
			diags = append(diags, moreDiags...)
			if ret.Copy != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate copy configuration",
					Detail:   fmt.Sprintf("Copying was already configured at %s.", ret.Copy.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			ret.Copy = copyConfig

		case "server":
			serverConfig, moreDiags := decodeServerConfig(block)
			diags = append(diags, moreDiags...)
			if ret.Server != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate server configuration",
					Detail:   fmt.Sprintf("The server was already configured at %s.", ret.Server.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			ret.Server = serverConfig

		default:
			// Should not get here because only the cases above are in our schema.
			panic(fmt.Sprintf("unexpected block type %q", block.Type))
		}
	}

	return ret, diags
}

func decodeRegistry(block *hcl.Block) (*Registry, hcl.Diagnostics) {
	ret := &Registry{
		Name:      block.Labels[0],
		DeclRange: block.DefRange,
	}

	var diags hcl.Diagnostics
	if !registryNamePattern.MatchString(ret.Name) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid registry name",
			Detail:   "A registry name must start with a letter and contain only letters, digits, underscores, and dashes.",
			Subject:  block.LabelRanges[0].Ptr(),
		})
	}

	type Config struct {
		URL                gohcl.WithRange[string] `hcl:"url"`
		Username           *string                 `hcl:"username,optional"`
		Password           *string                 `hcl:"password,optional"`
		IdentityToken      *string                 `hcl:"identity_token,optional"`
		AccessToken        *string                 `hcl:"access_token,optional"`
		InsecureSkipVerify *bool                   `hcl:"insecure_skip_verify,optional"`
	}
	var config Config
	diags = append(diags, gohcl.DecodeBody(block.Body, evalContext, &config)...)
	if diags.HasErrors() {
		return ret, diags
	}

	var err error
	ret.URL, err = url.Parse(config.URL.Value)
	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid registry URL",
			Detail:   fmt.Sprintf("Invalid URL syntax: %s.", err),
			Subject:  config.URL.Range.Ptr(),
		})
	} else {
		if ret.URL.Path == "" {
			ret.URL.Path = "/"
		}
		if ret.URL.Scheme != "http" && ret.URL.Scheme != "https" {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid registry URL",
				Detail:   "OCI registry URL must use either the 'https' or 'http' scheme.",
				Subject:  config.URL.Range.Ptr(),
			})
		} else if ret.URL.User != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid registry URL",
				Detail:   "OCI registry URL must not include credentials. Use the username and password arguments instead.",
				Subject:  config.URL.Range.Ptr(),
			})
		} else if !strings.HasSuffix(ret.URL.Path, "/") {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid registry URL",
				Detail:   "OCI registry URL must have a path ending with a slash '/'.",
				Subject:  config.URL.Range.Ptr(),
			})
		}
	}

	if config.Username != nil {
		ret.Username = *config.Username
	}
	if config.Password != nil {
		ret.Password = *config.Password
	}
	if config.IdentityToken != nil {
		ret.IdentityToken = *config.IdentityToken
	}
	if config.AccessToken != nil {
		ret.AccessToken = *config.AccessToken
	}
	if config.InsecureSkipVerify != nil {
		ret.InsecureSkipVerify = *config.InsecureSkipVerify
	}
	if ret.Password != "" && ret.Username == "" {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing registry username",
			Detail:   "A password can only be used together with a username.",
			Subject:  block.DefRange.Ptr(),
		})
	}

	return ret, diags
}

func decodeCopyConfig(block *hcl.Block) (*Copy, hcl.Diagnostics) {
	ret := &Copy{
		DeclRange: block.DefRange,
	}

	type Config struct {
		Concurrency    gohcl.WithRange[*int]    `hcl:"concurrency"`
		MaxRetries     gohcl.WithRange[*int]    `hcl:"max_retries"`
		InitialBackoff gohcl.WithRange[*string] `hcl:"initial_backoff"`
		MaxBackoff     gohcl.WithRange[*string] `hcl:"max_backoff"`
		Mount          *bool                    `hcl:"mount,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalContext, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if v := config.Concurrency.Value; v != nil {
		if *v < 1 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid concurrency",
				Detail:   "At least one operation must be allowed at a time.",
				Subject:  config.Concurrency.Range.Ptr(),
			})
		} else {
			ret.Concurrency = *v
		}
	}
	if v := config.MaxRetries.Value; v != nil {
		if *v < 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid retry count",
				Detail:   "The maximum number of retries must not be negative. Set it to zero to disable retrying.",
				Subject:  config.MaxRetries.Range.Ptr(),
			})
		} else {
			ret.MaxRetries = v
		}
	}

	var moreDiags hcl.Diagnostics
	ret.InitialBackoff, moreDiags = decodeDuration(config.InitialBackoff)
	diags = append(diags, moreDiags...)
	ret.MaxBackoff, moreDiags = decodeDuration(config.MaxBackoff)
	diags = append(diags, moreDiags...)
	if ret.InitialBackoff > 0 && ret.MaxBackoff > 0 && ret.MaxBackoff < ret.InitialBackoff {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid maximum backoff",
			Detail:   fmt.Sprintf("The maximum backoff must be at least as long as the initial backoff, %s.", ret.InitialBackoff),
			Subject:  config.MaxBackoff.Range.Ptr(),
		})
	}

	if config.Mount != nil {
		ret.Mount = *config.Mount
	}

	return ret, diags
}

func decodeDuration(raw gohcl.WithRange[*string]) (time.Duration, hcl.Diagnostics) {
	if raw.Value == nil {
		return 0, nil
	}
	d, err := time.ParseDuration(*raw.Value)
	if err != nil || d <= 0 {
		return 0, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Invalid duration",
				Detail:   `Must be a positive duration using units like "ms", "s", and "m", such as "250ms" or "10s".`,
				Subject:  raw.Range.Ptr(),
			},
		}
	}
	return d, nil
}

func decodeServerConfig(block *hcl.Block) (*Server, hcl.Diagnostics) {
	ret := &Server{
		DeclRange: block.DefRange,
	}

	type TLSConfigHCL struct {
		CertificateFile gohcl.WithRange[string] `hcl:"certificate_file"`
		PrivateKeyFile  gohcl.WithRange[string] `hcl:"private_key_file"`
	}
	type Config struct {
		ListenAddr gohcl.WithRange[*string] `hcl:"listen_addr"`
		TLS        *TLSConfigHCL            `hcl:"tls,block"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalContext, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if config.ListenAddr.Value != nil {
		_, _, err := net.SplitHostPort(*config.ListenAddr.Value)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid listen address",
				Detail:   "Listen address must be an IP address followed by a colon and then a port number.",
				Subject:  config.ListenAddr.Range.Ptr(),
			})
		} else {
			ret.ListenAddr = *config.ListenAddr.Value
		}
	}

	if config.TLS != nil {
		certFilename := config.TLS.CertificateFile.Value
		keyFilename := config.TLS.PrivateKeyFile.Value
		basePath := filepath.Dir(block.DefRange.Filename)
		if !filepath.IsAbs(certFilename) {
			certFilename = filepath.Join(basePath, certFilename)
		}
		if !filepath.IsAbs(keyFilename) {
			keyFilename = filepath.Join(basePath, keyFilename)
		}

		cert, err := tls.LoadX509KeyPair(certFilename, keyFilename)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to parse TLS keypair",
				Detail:   fmt.Sprintf("Cannot build a valid TLS configuration from the specified certificate and private key: %s.", err),
				Subject:  config.TLS.CertificateFile.Range.Ptr(),
			})
		} else {
			ret.TLS = &TLSConfig{
				Certificate: cert,
			}
		}
	}

	return ret, diags
}

// evalContext is used for all expressions in the configuration. It has no
// variables, but offers env(name) so secrets need not be written into the
// file itself.
var evalContext = &hcl.EvalContext{
	Functions: map[string]function.Function{
		"env": envFunc,
	},
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{
			Name: "name",
			Type: cty.String,
		},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		name := args[0].AsString()
		v, ok := os.LookupEnv(name)
		if !ok {
			return cty.UnknownVal(cty.String), fmt.Errorf("environment variable %q is not set", name)
		}
		return cty.StringVal(v), nil
	},
})

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "registry", LabelNames: []string{"name"}},
		{Type: "copy"},
		{Type: "server"},
	},
}

var registryNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
