package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/avrtools/usbtiny"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var commands = map[string]func(usbtiny.Programmer, *profile, []string){
	"readflash":  processReadFlash,
	"writeflash": processWriteFlash,
	"readee":     processReadEE,
	"writeee":    processWriteEE,
	"erase":      processErase,
	"readbyte":   processReadByte,
	"writebyte":  processWriteByte,
}

// profile describes the target part and its memory regions. Loaded from a
// YAML file given with -profile.
type profile struct {
	Part   usbtiny.Part   `yaml:"part"`
	Flash  usbtiny.Memory `yaml:"flash"`
	EEPROM usbtiny.Memory `yaml:"eeprom"`
}

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	bitClock := flag.Float64("B", 0, "SCK period in seconds. 0 uses the default period.")
	noErase := flag.Bool("noerase", false, "Skip the chip erase before programming a hex file.")

	// Format an empty profile struct in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(profile{})
	profilePath := flag.String("profile", "", "Part profile yaml file. Example:\n\n"+buf.String())

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Memory dump commands have the following usage: cmdname outfile, e.g. readflash dump.bin\n"+
		"Memory write commands have the following usage: cmdname datafile, e.g. writeflash data.bin\n"+
		"Byte commands take a region name and address, e.g. readbyte eeprom 0x10",
		cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	usbtiny.SetLogger(log.StandardLogger())

	if *profilePath == "" {
		log.Fatal("must specify a profile file")
	}
	cfg, err := loadProfile(*profilePath)
	if err != nil {
		log.Fatalf("failed to load profile: %v", err)
	}

	fallback := &spiFallback{}
	prog := usbtiny.New(fallback, usbtiny.Options{
		BitClock: *bitClock,
		Progress: reportProgress,
	})
	fallback.prog = prog

	if err := prog.Open(); err != nil {
		log.Fatalf("failed to open programmer: %v", err)
	}
	defer prog.Close()
	defer prog.PowerDown()

	if err := prog.Initialize(&cfg.Part); err != nil {
		log.Fatalf("failed to enter programming mode: %v", err)
	}
	log.Infof("programming mode entered")

	switch {
	case *command != "":
		// Run a single command
		f, ok := commands[*command]
		if !ok {
			log.Fatalf("invalid command %v", *command)
		}
		f(prog, cfg, flag.Args())

	default:
		// Try and program a hex file
		if len(flag.Args()) != 1 {
			log.Fatalf("must specify hex file to program")
		}
		if err := programHexFile(prog, cfg, flag.Args()[0], !*noErase); err != nil {
			log.Fatal(err)
		}
		log.Infof("complete")
	}
}

func loadProfile(path string) (*profile, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := new(profile)
	if err := yaml.Unmarshal(f, cfg); err != nil {
		return nil, err
	}
	// Region names select the vendor request set; the file only carries
	// the geometry.
	cfg.Flash.Name = usbtiny.MemoryFlash
	cfg.EEPROM.Name = usbtiny.MemoryEEPROM
	return cfg, nil
}

func reportProgress(done, total int) {
	fmt.Fprintf(os.Stderr, "\r%d/%d bytes", done, total)
	if done == total {
		fmt.Fprintln(os.Stderr)
	}
}
