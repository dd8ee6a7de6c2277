package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"

	"aquasensor/go-ingest-server/internal/model"
	"aquasensor/go-ingest-server/internal/store"
	"aquasensor/go-ingest-server/internal/telemetry"
)

type options struct {
	broker   string
	sensor   string
	interval time.Duration
	count    int
	baseTemp float64
	baseDO   float64
	jitter   float64

	register bool
	dbPath   string
	river    string
	site     string
	lat      float64
	long     float64
}

func main() {
	var opts options

	fs := pflag.NewFlagSet("sensor-sim", pflag.ContinueOnError)
	fs.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	fs.StringVar(&opts.sensor, "sensor", "sensor022", "sensor name reported in each payload")
	fs.DurationVar(&opts.interval, "interval", 2*time.Second, "interval between published readings")
	fs.IntVar(&opts.count, "count", 0, "number of readings to publish (0 runs until interrupted)")
	fs.Float64Var(&opts.baseTemp, "base-temp", 12.5, "baseline water temperature in °C")
	fs.Float64Var(&opts.baseDO, "base-do", 95, "baseline dissolved oxygen saturation in %")
	fs.Float64Var(&opts.jitter, "jitter", 0.5, "maximum random jitter applied to each measurement")
	fs.BoolVar(&opts.register, "register", false, "register the river and sensor in the database before publishing")
	fs.StringVar(&opts.dbPath, "db", "data/aqua_sensor_data.db", "SQLite database used by --register")
	fs.StringVar(&opts.river, "river", "Thames", "river name used by --register")
	fs.StringVar(&opts.site, "site", "Oxford", "site description used by --register")
	fs.Float64Var(&opts.lat, "lat", 51.752, "sensor latitude used by --register")
	fs.Float64Var(&opts.long, "long", -1.2577, "sensor longitude used by --register")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("parse flags: %v", err)
	}
	if err := opts.validate(); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.register {
		if err := register(ctx, opts); err != nil {
			log.Fatalf("register sensor: %v", err)
		}
	}

	clientID := fmt.Sprintf("%s-simulator-%d", opts.sensor, time.Now().UnixNano())
	mqttOpts := mqtt.NewClientOptions().AddBroker(opts.broker).SetClientID(clientID)
	mqttOpts = mqttOpts.SetOrderMatters(false)

	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", opts.broker, clientID)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	topic := "sensor/" + opts.sensor
	var counter int64

	publish := func() {
		counter++
		now := time.Now()
		temp := jittered(rng, opts.baseTemp, opts.jitter)
		percentDO := jittered(rng, opts.baseDO, opts.jitter)
		candidate := model.Candidate{
			Date:           now.Format("02/01/2006"),
			Time:           now.Format("15:04:05"),
			SensorName:     opts.sensor,
			MessageCounter: counter,
			Temperature:    round2(temp),
			PercentDO:      round2(percentDO),
			MgPerLDO:       round2(saturationMgPerL(temp) * percentDO / 100),
		}

		payload := telemetry.Format(candidate)
		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s %s", topic, payload)
	}

	publish()

	for {
		if opts.count > 0 && counter >= int64(opts.count) {
			client.Disconnect(250)
			return
		}
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func (o options) validate() error {
	if o.interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", o.interval)
	}
	if o.count < 0 {
		return fmt.Errorf("--count must not be negative, got %d", o.count)
	}
	if o.sensor == "" {
		return errors.New("--sensor must not be empty")
	}
	return nil
}

func register(ctx context.Context, opts options) error {
	st, err := store.Open(opts.dbPath, 1)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	if existing, err := st.SensorByName(ctx, opts.sensor); err == nil {
		log.Printf("sensor %s already registered with id %d (%s)", existing.Name, existing.ID, existing.Status)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	river, err := st.CreateLocation(ctx, model.Location{
		Name:      opts.river,
		Site:      opts.site,
		Latitude:  opts.lat,
		Longitude: opts.long,
	})
	if err != nil {
		return err
	}

	sensor, err := st.CreateSensor(ctx, model.Sensor{
		Name:       opts.sensor,
		Site:       opts.site,
		Lat:        fmt.Sprintf("%g", opts.lat),
		Long:       fmt.Sprintf("%g", opts.long),
		LocationID: &river.ID,
	})
	if err != nil {
		return err
	}

	log.Printf("registered sensor %s (id %d) on river %s (id %d)", sensor.Name, sensor.ID, river.Name, river.ID)
	return nil
}

func jittered(rng *rand.Rand, base, jitter float64) float64 {
	if jitter <= 0 {
		return base
	}
	return base + (rng.Float64()*2-1)*jitter
}

// saturationMgPerL approximates dissolved oxygen at 100% saturation in fresh water.
func saturationMgPerL(tempC float64) float64 {
	return 14.62 - 0.3898*tempC + 0.006969*tempC*tempC - 0.00005897*tempC*tempC*tempC
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
