package main

import (
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mobsec/apkmeta"
)

func main() {
	isApk := flag.Bool("a", false, "The input file is an apk")
	resPath := flag.String("res", "", "Path to resources.arsc to resolve references with")
	showInfo := flag.Bool("info", false, "Print package metadata instead of the manifest")
	showSig := flag.Bool("sig", false, "Print signing verification results")

	flag.Parse()

	if len(flag.Args()) != 1 {
		fmt.Printf("%s [-a] [-res resources.arsc] [-info] [-sig] INPUT\n", os.Args[0])
		os.Exit(1)
	}

	input := flag.Args()[0]
	if strings.HasSuffix(input, ".apk") {
		*isApk = true
	}

	if *showInfo || *showSig {
		if !*isApk {
			fmt.Fprintln(os.Stderr, "-info and -sig need an apk input")
			os.Exit(1)
		}
		dumpApk(input, *showInfo, *showSig)
		return
	}

	var r io.Reader
	if input == "-" {
		r = os.Stdin
	} else if *isApk {
		zr, err := apkmeta.OpenZip(input)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer zr.Close()

		enc := xml.NewEncoder(os.Stdout)
		enc.Indent("", "    ")

		resErr, manErr := apkmeta.ParseApkWithZip(zr, enc)
		fmt.Println()
		if resErr != nil {
			fmt.Fprintln(os.Stderr, "resources:", resErr)
		}
		if manErr != nil {
			fmt.Fprintln(os.Stderr, manErr)
			os.Exit(1)
		}
		return
	} else {
		f, err := os.Open(input)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	var resources *apkmeta.ResourceTable
	if *resPath != "" {
		f, err := os.Open(*resPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		resources, err = apkmeta.ParseResourceTable(f)
		f.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "resources:", err)
			os.Exit(1)
		}
	}

	enc := xml.NewEncoder(os.Stdout)
	enc.Indent("", "    ")

	err := apkmeta.ParseXml(r, enc, resources)
	fmt.Println()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dumpApk(path string, showInfo, showSig bool) {
	apk, err := apkmeta.OpenApk(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer apk.Close()

	if showInfo {
		fmt.Println("package:", apk.PackageName())
		fmt.Println("versionCode:", apk.VersionCode())
		fmt.Println("versionName:", apk.VersionName())
		fmt.Println("minSdk:", apk.MinSdkVersion())
		fmt.Println("targetSdk:", apk.TargetSdkVersion())
		fmt.Println("label:", apk.Label())
		fmt.Println("mainActivity:", apk.MainActivity())
		for _, p := range apk.Permissions() {
			fmt.Println("uses-permission:", p)
		}
	}

	if showSig {
		res := apk.Signing()
		printScheme("v1", res.V1)
		printScheme("v2", res.V2)
		printScheme("v3", res.V3)
		for _, cert := range res.SignerCerts() {
			fmt.Printf("cert: %s (%s)\n", cert.Subject, cert.SignatureAlgorithm)
		}
	}
}

func printScheme(name string, r apkmeta.SchemeResult) {
	if r.Err != nil {
		fmt.Printf("scheme %s: %s (%v)\n", name, r.State, r.Err)
	} else {
		fmt.Printf("scheme %s: %s\n", name, r.State)
	}
}
